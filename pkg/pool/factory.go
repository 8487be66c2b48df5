package pool

import (
	"context"
	"sort"
	"strings"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/realm"
)

// ConnectionHandlerFactory creates a handler the first time the pool has no reusable match for a location.
//
// The returned handler must carry the realm and credentials of loc (NewHandler does this); the pool rejects
// handlers that do not, since they could never be matched again.
type ConnectionHandlerFactory interface {
	CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*Handler, error)
}

// FactoryFunc adapts a function to ConnectionHandlerFactory.
type FactoryFunc func(ctx context.Context, loc *realm.Location) (*Handler, error)

// CreateConnectionHandler calls f.
func (f FactoryFunc) CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*Handler, error) {
	return f(ctx, loc)
}

// SchemeFactories dispatches to a factory by location scheme.
type SchemeFactories map[string]ConnectionHandlerFactory

// CreateConnectionHandler looks up the factory registered for loc's scheme.
func (s SchemeFactories) CreateConnectionHandler(ctx context.Context, loc *realm.Location) (*Handler, error) {
	f, ok := s[loc.Realm.Scheme]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeUnsupportedScheme, "no connection handler factory for scheme").
			WithComponent("pool").
			WithContext("scheme", loc.Realm.Scheme).
			WithContext("supported", strings.Join(s.Schemes(), ","))
	}
	return f.CreateConnectionHandler(ctx, loc)
}

// Schemes lists the registered schemes in order.
func (s SchemeFactories) Schemes() []string {
	schemes := make([]string, 0, len(s))
	for scheme := range s {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}
