// Package syncbus propagates lock release notifications between processes.
// Waiters subscribe to a key's release topic and retry their acquisition
// when a notification arrives instead of sleeping out a full poll interval.
// Implementations exist for process memory, Redis pub/sub, NATS and Kafka.
package syncbus
