// Package infra contains technical adapters: the plant loader, output
// stores, MQTT publishing, metrics exporters and Sentry reporting. These
// packages depend on the core types, never the reverse.
package infra
