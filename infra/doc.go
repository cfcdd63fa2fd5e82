// Package infra contains technical adapters: grid I/O engines, the object
// store, metrics exporters, the MQTT notifier and host facts. These
// packages depend on the interfaces defined in the core packages.
package infra
