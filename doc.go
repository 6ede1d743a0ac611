// Package sockyard lets a single process drive many concurrent network
// sockets through opaque integer handles.
//
// A `Manager` owns a registry of sockets of three kinds:
//
// * TCP clients, which can be upgraded to TLS in place with `Manager.Secure`.
// * TCP listeners, whose accept loop mints a new, already connected, TCP
// handle for every peer.
// * UDP endpoints, including multicast membership.
//
// Every operation takes a `Handle`. Asynchronous things (inbound data,
// accepted peers, terminal errors) are never delivered through callbacks:
// they are appended to a per-handle ordered queue which you drain with a
// `Subscription` obtained from `Manager.Subscribe`.
//
// ## Flow control
//
// A handle can be paused with `Manager.SetPaused`. The underlying socket
// keeps reading (or accepting) but events are held back until you resume.
// Events raised before you subscribe are held the same way, so you never
// miss the first bytes sent by an accepted peer.
//
// Queues are bounded. When a consumer stalls past the high-water mark the
// oldest events are dropped and replaced by a single `ErrBufferOverrun`
// event which tells you how many were lost. The socket itself survives.
//
// ## Lifecycle
//
// Handles are never reused. Once `Manager.Close` returned, any operation
// on the handle fails with `ErrInvalidHandle`, and calling `Close` again is
// a no-op. Sockets which fail (peer reset, TLS handshake failure, ...) emit
// one terminal error event and are closed for you.
//
// Sockets can be tied to an owner (any `uuid.UUID` identifying a caller
// context) and released in bulk with `Manager.ReleaseOwner`, except the
// ones flagged as persistent.
package sockyard
