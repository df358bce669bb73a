// Package device defines the platform-facing vocabulary of the BLE central:
// device addresses, advertisement snapshots, characteristic capabilities, the
// error taxonomy, and the Radio and Link contracts a platform adapter
// implements.
//
// Nothing here talks to hardware. The go-ble subpackage provides the
// production Radio and Link, and tests substitute mocks.
package device
