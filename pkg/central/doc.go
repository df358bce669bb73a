// Package central turns the push-style events of a BLE host stack into
// blocking, pull-style Go calls.
//
// A Central owns the host radio. Watchers pull advertisements from it,
// Resolve turns an address into a Device handle, and the handle exposes the
// peripheral's GATT hierarchy:
//
//	c := central.New(logger)
//	w, err := central.NewWatcher(c)
//	if err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	for adv := range w.All() {
//	    dev := c.Resolve(adv.Address())
//	    defer dev.Close()
//	    if err := dev.Connect(ctx); err != nil {
//	        return err
//	    }
//	    services, err := dev.Services(ctx)
//	    ...
//	}
//
// Every blocking call returns when its event fires or when the resource it
// waits on (watcher, device link, subscription) is stopped. GATT traffic for a
// device is serialized, and the discovered hierarchy is cached per connection
// epoch: a disconnect invalidates every Service, Characteristic and
// Descriptor obtained before it.
package central
