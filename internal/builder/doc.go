// Package builder defines the common interface that image builders must
// implement, along with the domain types exchanged between the pipeline
// engine and builder implementations.
package builder
