package desktop

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"diagd/internal/export"
	"diagd/internal/logging"
)

// PortalSharer opens exported logs with the OpenURI portal, which lets the
// user pick an application to send them with.
type PortalSharer struct {
	obj      caller
	resolver export.Resolver
	logger   *logging.Logger
}

func newPortalSharer(obj caller, resolver export.Resolver, logger *logging.Logger) *PortalSharer {
	return &PortalSharer{obj: obj, resolver: resolver, logger: logger.WithComponent("desktop")}
}

// Share resolves h to a local file and asks the portal to open it.
func (p *PortalSharer) Share(ctx context.Context, h export.Handle, title string) error {
	path, err := p.resolver.Resolve(h.URI)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", h.URI, err)
	}

	fileURI := (&url.URL{Scheme: "file", Path: path}).String()
	options := map[string]dbus.Variant{
		"ask":          dbus.MakeVariant(true),
		"handle_token": dbus.MakeVariant(handleToken()),
	}

	var request dbus.ObjectPath
	if err := p.obj.CallWithContext(ctx, openURIMethod, 0, "", fileURI, options).Store(&request); err != nil {
		return fmt.Errorf("open uri: %w", err)
	}
	p.logger.Debug("share requested", "title", title, "uri", fileURI, "request", string(request))
	return nil
}

// handleToken returns a portal request token; only [A-Za-z0-9_] is allowed.
func handleToken() string {
	return "diagd_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
