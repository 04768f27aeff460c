package caster

// MetricsSink receives lifecycle and traffic events from the caster. It is
// implemented by internal/metrics (Prometheus export); a nil sink on
// Options disables metrics entirely and every call site checks for nil
// before using it.
type MetricsSink interface {
	ConnAccepted(role Role)
	ConnRejected(role Role)
	ConnClosed(role Role)
	BytesIn(mountpoint string, n int)
	BytesOut(mountpoint string, n int)
	SetGauge(role Role, count int)
}
