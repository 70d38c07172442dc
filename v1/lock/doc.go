// Package lock implements token-based distributed mutual exclusion.
//
// Every peer runs a Custodian. A single token circulates among the peers and
// only the peer holding it may enter the critical section. A peer without the
// token stamps a request with its logical clock and broadcasts it; whoever
// holds the token hands it over on release, scanning peers with a higher id
// first and then the lower ones, so contenders are served in a fixed order.
//
// The custodian shares one guard with the peer registry (see Membership), so
// membership changes and protocol state changes are serialized together. The
// guard is never held while a remote call is in flight.
//
// A token lost together with the peer holding it is not recovered.
package lock
