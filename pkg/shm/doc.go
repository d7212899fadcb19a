// Package shm provides named shared-memory segments and the lock-free
// cursor ring buffer that backs INC stream channels. Bulk payloads move
// through a segment both peers map, while only small position/ack
// control messages travel on the socket.
package shm
