// Package metrics defines the sinks recording solver and run events of the
// scheduling engine. Sinks are built from configuration through a registry;
// several configured sinks are combined into a MultiSink automatically.
package metrics
