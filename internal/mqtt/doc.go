// Package mqtt owns the broker connection shared by every homesim role.
//
// Two implementations sit behind the [Conn] interface. MQTT 3.1.1, the
// protocol the simulated devices speak by default, uses the Eclipse
// Paho v1 client. MQTT 5 uses Paho v2's [autopaho] connection manager.
// Both reconnect automatically, publish a retained "online" birth
// message to the client's availability topic on every (re-)connect,
// re-establish subscriptions, and register a will so the topic flips
// to "offline" on an unexpected disconnect.
//
// Message handlers run on one delivery goroutine per connection, in
// the order the broker sent the messages. They must not block and must not touch state owned by another goroutine; the
// dashboard hands messages to its refresher through the events bus.
package mqtt
