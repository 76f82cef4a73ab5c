package metrics

import "github.com/prometheus/client_golang/prometheus"

// Scoped bundles every view bound to one scope.
type Scoped struct {
	Metrics
	Traffic Traffic
}

// Scopes holds one Scoped per traffic class.
type Scopes struct {
	Internal Scoped
	External Scoped
}

// For returns the internal view when internal is true, otherwise the
// external one.
func (s *Scopes) For(internal bool) Scoped {
	if internal {
		return s.Internal
	}
	return s.External
}

// Register binds all gateway families into reg and builds both scopes.
func Register(reg prometheus.Registerer) (*Scopes, error) {
	cfg, err := RegisterInto(reg)
	if err != nil {
		return nil, err
	}
	tcfg, err := RegisterTrafficInto(reg)
	if err != nil {
		return nil, err
	}

	return &Scopes{
		Internal: Scoped{Metrics: New(cfg, true), Traffic: NewTraffic(tcfg, true)},
		External: Scoped{Metrics: New(cfg, false), Traffic: NewTraffic(tcfg, false)},
	}, nil
}
