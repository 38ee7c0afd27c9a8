// Package model はドメインモデルを定義する。
package model

import "time"

// Account はIdPが発行したアカウント情報を表す。
// ログイン時にIDトークンから構築し、以後はサイレントなトークン更新の鍵として使う。
type Account struct {
	HomeAccountID  string `json:"homeAccountId"`  // "<oid>.<tid>"
	LocalAccountID string `json:"localAccountId"` // oid
	TenantID       string `json:"tenantId"`
	Username       string `json:"username"`
	Name           string `json:"name"`
}

// ActiveUser はブラウザセッションが生きているユーザーのレジストリエントリ。
type ActiveUser struct {
	UserID         string
	Account        Account
	LastActivityAt time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	Account   Account
	ExpiresAt time.Time
	CreatedAt time.Time
}

// UserProfile はMicrosoft Graphのユーザープロフィール。
type UserProfile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
}
