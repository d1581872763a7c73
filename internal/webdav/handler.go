package webdav

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/storage/router"
)

// NewHandler creates a WebDAV handler serving the storage tree at
// prefix.
func NewHandler(r *router.Router, prefix string) http.Handler {
	return &webdav.Handler{
		FileSystem: &providerFS{router: r},
		LockSystem: webdav.NewMemLS(),
		Prefix:     prefix,
		Logger: func(req *http.Request, err error) {
			if err != nil {
				logging.Debug("webdav request failed",
					zap.String("method", req.Method),
					zap.String("path", req.URL.Path),
					zap.Error(err))
			}
		},
	}
}
