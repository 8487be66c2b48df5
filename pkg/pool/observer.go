package pool

import "github.com/objectfs/realmpool/pkg/realm"

// Observer receives pool events, typically to export metrics.
// Methods may be called with pool locks held and must not call back into the pool.
type Observer interface {
	HandlerAcquired(h *Handler, reused bool)
	AcquireFailed(loc *realm.Location, err error)
	HandlerCreated(h *Handler)
	HandlerEvicted(h *Handler)
	HandlerClosed(h *Handler, err error)
	KeepAliveSent(h *Handler, err error)
	RegistryChanged(total, locked int)
	MonitorStateChanged(running bool)
}

type nopObserver struct{}

func (nopObserver) HandlerAcquired(*Handler, bool) {}
func (nopObserver) AcquireFailed(*realm.Location, error) {}
func (nopObserver) HandlerCreated(*Handler) {}
func (nopObserver) HandlerEvicted(*Handler) {}
func (nopObserver) HandlerClosed(*Handler, error) {}
func (nopObserver) KeepAliveSent(*Handler, error) {}
func (nopObserver) RegistryChanged(int, int) {}
func (nopObserver) MonitorStateChanged(bool) {}
