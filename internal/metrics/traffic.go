package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirH3ToH1 = "h3_to_h1"
	DirH1ToH3 = "h1_to_h3"

	CtrlPing  = "ping"
	CtrlPong  = "pong"
	CtrlClose = "close"

	DropFrame   = "frame"
	DropMessage = "message"

	RejectMaxConns   = "max_conns"
	RejectMethod     = "method"
	RejectPath       = "path"
	RejectBadHeaders = "bad_headers"
)

// TrafficConfig holds the relay detail families.
type TrafficConfig struct {
	bytes         *prometheus.CounterVec
	controlFrames *prometheus.CounterVec
	oversizeDrops *prometheus.CounterVec
	rejected      *prometheus.CounterVec
}

func RegisterTrafficInto(reg prometheus.Registerer) (*TrafficConfig, error) {
	cfg := &TrafficConfig{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopegate_bytes_total",
			Help: "Bytes forwarded by direction",
		}, []string{labelScope, "dir"}),
		controlFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopegate_control_frames_total",
			Help: "Control frames observed",
		}, []string{labelScope, "type"}),
		oversizeDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopegate_oversize_drops_total",
			Help: "Dropped frames/messages due to size limits",
		}, []string{labelScope, "kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopegate_rejected_total",
			Help: "Rejected requests by reason",
		}, []string{labelScope, "reason"}),
	}

	if err := register(reg,
		cfg.bytes, cfg.controlFrames,
		cfg.oversizeDrops, cfg.rejected,
	); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Traffic is the scoped view of TrafficConfig.
type Traffic struct {
	cfg      *TrafficConfig
	internal bool
}

func NewTraffic(cfg *TrafficConfig, internal bool) Traffic {
	t := Traffic{cfg: cfg, internal: internal}

	for _, dir := range []string{DirH3ToH1, DirH1ToH3} {
		t.Bytes(dir)
	}
	for _, typ := range []string{CtrlPing, CtrlPong, CtrlClose} {
		t.ControlFrames(typ)
	}
	for _, kind := range []string{DropFrame, DropMessage} {
		t.OversizeDrops(kind)
	}
	for _, reason := range []string{RejectMaxConns, RejectMethod, RejectPath, RejectBadHeaders} {
		t.Rejected(reason)
	}

	return t
}

func (t Traffic) Bytes(dir string) prometheus.Counter {
	return t.cfg.bytes.WithLabelValues(t.scopeLabel(), dir)
}

func (t Traffic) ControlFrames(typ string) prometheus.Counter {
	return t.cfg.controlFrames.WithLabelValues(t.scopeLabel(), typ)
}

func (t Traffic) OversizeDrops(kind string) prometheus.Counter {
	return t.cfg.oversizeDrops.WithLabelValues(t.scopeLabel(), kind)
}

func (t Traffic) Rejected(reason string) prometheus.Counter {
	return t.cfg.rejected.WithLabelValues(t.scopeLabel(), reason)
}

func (t Traffic) scopeLabel() string {
	return strconv.FormatBool(t.internal)
}
