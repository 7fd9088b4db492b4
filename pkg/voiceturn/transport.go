package voiceturn

import (
	"fmt"
	"strings"

	"github.com/harunnryd/voiceturn/pkg/configutil"
	"github.com/harunnryd/voiceturn/pkg/transports"
	"github.com/harunnryd/voiceturn/pkg/transports/mock"
	"github.com/harunnryd/voiceturn/pkg/transports/websocket"
)

func BuildTransport(cfg TransportConfig) (transports.Transport, error) {
	switch key(cfg.Provider) {
	case "websocket":
		if err := validateSettings("transport.settings", cfg.Settings, configutil.Schema{
			Optional: []string{"server_addr", "path", "sample_rate", "channels", "send_queue", "write_timeout_ms", "allow_any_origin", "allowed_origins"},
		}); err != nil {
			return nil, err
		}
		var settings websocket.Config
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, err
		}
		return websocket.New(settings), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("transport provider not supported: %s", strings.TrimSpace(cfg.Provider))
	}
}
