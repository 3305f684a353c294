package adapter

import (
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/eventbus"
	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// Module is the contract a trading component needs to take part in the
// bus. It never sees other modules.
type Module interface {
	ID() string
	Publish(msg types.Message) error
	OnMessage(kinds []types.MessageType, handler eventbus.Handler) error
}

// Bus is the part of *eventbus.Bus an adapter uses.
type Bus interface {
	Publish(msg types.Message) error
	Subscribe(moduleID string, kinds []types.MessageType, handler eventbus.Handler) error
	Unsubscribe(moduleID string, kinds []types.MessageType)
}

// BusAdapter binds one module id to a bus.
type BusAdapter struct {
	id  string
	bus Bus
}

func New(bus Bus, moduleID string) *BusAdapter {
	return &BusAdapter{id: moduleID, bus: bus}
}

func (a *BusAdapter) ID() string { return a.id }

func (a *BusAdapter) Publish(msg types.Message) error {
	return a.bus.Publish(msg)
}

// Emit builds a message sent by this module and publishes it.
func (a *BusAdapter) Emit(typ types.MessageType, payload types.Payload, opts ...types.MessageOption) error {
	return a.bus.Publish(types.NewMessage(typ, a.id, payload, opts...))
}

func (a *BusAdapter) OnMessage(kinds []types.MessageType, handler eventbus.Handler) error {
	return a.bus.Subscribe(a.id, kinds, handler)
}

// Detach drops every subscription of the module.
func (a *BusAdapter) Detach() {
	a.bus.Unsubscribe(a.id, nil)
}
