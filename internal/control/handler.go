package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/plinthcms/plinth/internal/cron"
	"github.com/plinthcms/plinth/internal/kernel"
)

// Kernel is the part of the kernel the control server drives.
type Kernel interface {
	Status() *kernel.Status
	Reload(ctx context.Context) (*kernel.LoadReport, error)
	ActivateSite(ctx context.Context, siteRef string) (*kernel.SiteReport, error)
	DeactivateSite(ctx context.Context, siteRef string) error
}

// Ticker runs one cron pass.
type Ticker interface {
	Tick(ctx context.Context) (*cron.TickResult, error)
}

// NewHandler routes commands to the kernel and the cron runner. A nil
// ticker rejects cron commands.
func NewHandler(k Kernel, ticker Ticker) HandlerFunc {
	return func(ctx context.Context, cmd Command) (interface{}, error) {
		switch cmd.Type {
		case CmdStatus:
			return k.Status(), nil
		case CmdReload:
			return k.Reload(ctx)
		case CmdCron:
			if ticker == nil {
				return nil, errors.New("cron is disabled in this process")
			}
			return ticker.Tick(ctx)
		case CmdActivate:
			if cmd.Site == "" {
				return nil, errors.New("activate requires a site")
			}
			return k.ActivateSite(ctx, cmd.Site)
		case CmdDeactivate:
			if cmd.Site == "" {
				return nil, errors.New("deactivate requires a site")
			}
			if err := k.DeactivateSite(ctx, cmd.Site); err != nil {
				return nil, err
			}
			return map[string]string{"site": cmd.Site}, nil
		default:
			return nil, fmt.Errorf("unknown command %q", cmd.Type)
		}
	}
}
