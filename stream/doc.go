// Package stream converts encoded frames to and from the slice wire
// format.
//
// The Packetizer cuts one frame into k MTU-sized data slices, derives r
// parity slices from the current loss estimate, and stamps each slice
// with the shared frame geometry. The Depacketizer accumulates slices
// per transport unit, reconstructs missing data through the FEC codec as
// soon as any k valid slices arrive, and garbage-collects units that
// never complete.
package stream
