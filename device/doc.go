// Package device implements the drivers for the three device families on the
// chamber: pressure gauges (ASCII query/control protocol), beam shutters
// (two-stage ASCII actuation protocol), and temperature/rate source
// controllers (Modbus holding registers).
//
// Each driver owns its in-memory state exclusively; concurrent readers get
// copies via State() or via events published on the event bus. All wire I/O
// goes through a shared channel, so transactions from devices on the same
// physical line never interleave.
package device
