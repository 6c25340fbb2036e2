// Package id generates the time-ordered identifiers conveyor assigns to
// saga runs. Task IDs are plain UUIDs (see internal/queue); run IDs sort by
// start time so snapshot listings read in run order.
package id
