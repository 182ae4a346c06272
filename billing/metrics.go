package billing

import "time"

// Metrics receives engine events. observability.Metrics implements it.
type Metrics interface {
	CacheLookup(hit bool)
	Resync(reason string)
	ItemRecorded(itemType ItemType)
	StoreFailure(op string)
	OperationDuration(op string, d time.Duration)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) CacheLookup(bool)                       {}
func (NopMetrics) Resync(string)                          {}
func (NopMetrics) ItemRecorded(ItemType)                  {}
func (NopMetrics) StoreFailure(string)                    {}
func (NopMetrics) OperationDuration(string, time.Duration) {}
