package gateway

import (
	"crypto/tls"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/registry"
)

// sniResolver matches TLS client hellos to certificates by SNI. The cert
// table is parsed once per snapshot and swapped atomically.
type sniResolver struct {
	table atomic.Pointer[map[string]*tls.Certificate]
}

func newSNIResolver() *sniResolver {
	r := &sniResolver{}
	empty := map[string]*tls.Certificate{}
	r.table.Store(&empty)
	return r
}

// Rebuild parses every SSL resource's PEM material into the match table.
// Invalid material is logged and skipped; the rest of the table still loads.
func (r *sniResolver) Rebuild(snap *registry.Snapshot) {
	table := make(map[string]*tls.Certificate, len(snap.SSLs))
	for id, s := range snap.SSLs {
		cert, err := tls.X509KeyPair([]byte(s.Cert), []byte(s.Key))
		if err != nil {
			logging.Error("invalid certificate material, skipping",
				zap.String("ssl", id), zap.Error(err))
			continue
		}
		for _, sni := range s.SNIs {
			table[strings.ToLower(sni)] = &cert
		}
	}
	r.table.Store(&table)
}

// GetCertificate implements tls.Config.GetCertificate. Exact SNI match wins
// over a wildcard match.
func (r *sniResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	table := *r.table.Load()
	name := strings.ToLower(hello.ServerName)

	if cert, ok := table[name]; ok {
		return cert, nil
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if cert, ok := table["*"+name[i:]]; ok {
			return cert, nil
		}
	}
	return nil, errors.Newf(errors.KindNotFound, "no certificate for server name %q", hello.ServerName)
}
