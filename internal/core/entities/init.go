// Package entities registers the five importable entity kinds with the core
// registry. Import this package to ensure all kinds are registered.
package entities

// Each kind file uses init() to register its definition.
