// Package port implements host port availability scanning.
//
// Service sidecar containers publish their ports on free host ports;
// the Scanner verifies OS-level availability via net.Listen() so a
// published port is never handed out while another process holds it.
package port
