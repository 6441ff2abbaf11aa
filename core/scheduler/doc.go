// Package scheduler runs a complete scheduling pass over a plant: Stage A
// assigns stations and coarse timing, the decomposer splits the batches into
// independent components, Stage B (or Stage C with patterns) schedules the
// transporter tasks of every component, and the validator re-checks the
// concatenated schedule before it is returned.
package scheduler
