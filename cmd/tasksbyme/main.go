// Command tasksbyme はPlannerタスクダッシュボードのサーバーを起動する。
//
//	tasksbyme [serve|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/tasksbyme/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tasksbyme: %v\n", err)
		os.Exit(1)
	}
}
