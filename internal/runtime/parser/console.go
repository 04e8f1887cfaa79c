package parser

import (
	"strings"

	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
)

const (
	rrwebPluginEvent = 6
	consolePlugin    = "rrweb/console@1"
)

type pluginData struct {
	Plugin  string `json:"plugin"`
	Payload struct {
		Level string `json:"level"`
	} `json:"payload"`
}

func countConsoleLogs(items []SnapshotItem, md *Metadata) {
	for _, item := range items {
		if item.Type != rrwebPluginEvent || len(item.Data) == 0 {
			continue
		}
		var pd pluginData
		if err := jsoncodec.Unmarshal(item.Data, &pd); err != nil || pd.Plugin != consolePlugin {
			continue
		}
		switch strings.ToLower(pd.Payload.Level) {
		case "warn", "warning":
			md.ConsoleWarnCount++
		case "error", "assert":
			md.ConsoleErrorCount++
		default:
			md.ConsoleLogCount++
		}
	}
}
