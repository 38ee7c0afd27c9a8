package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteDomainError はドメインエラーを対応するHTTPステータスと統一フォーマットに変換して書き込む。
// 分類できないエラーは500として扱う。
func WriteDomainError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		WriteErrorResponse(w, statusForAPIError(apiErr), apiErr)
	case errors.Is(err, model.ErrTokenRefreshFailed):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenRefreshFailedError())
	case errors.Is(err, model.ErrNotAuthenticated):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
	case errors.Is(err, model.ErrUpstream):
		WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFailedError())
	default:
		slog.Error("unhandled error", slog.String("error", err.Error()))
		WriteInternalServerError(w)
	}
}

func statusForAPIError(e *model.APIError) int {
	switch e.Code {
	case model.ErrCodeInvalidFilter, model.ErrCodeInvalidSort:
		return http.StatusBadRequest
	case model.ErrCodeTokenRefreshFailed, model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON はvをJSONとしてステータスコード付きで書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
