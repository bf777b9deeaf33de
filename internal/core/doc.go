// Package core provides the staged import pipeline for tenant accounting data.
//
// This package holds all pipeline logic independent of storage and transport.
// Storage is reached through the ports in store.go; the postgres package
// implements them and tests use in-memory fakes.
//
// # Architecture
//
// The package is organized around several key concepts:
//
//   - Entity definitions: registered via the registry, each entity kind
//     declares its target fields, duplicate match chain, references and
//     auxiliary data. One generic engine serves all kinds.
//   - Mapping rules: a catalog of global and tenant rules that select a
//     target field for each source column and apply one of nine transforms.
//   - Staging records: one row per imported source row with a forward-only
//     status (pending, mapped, validated, committed, failed).
//   - Orchestrator: the job phase machine, run by whichever worker holds the
//     job's lease.
//   - Import log: the queryable trail of every decision, with audit retention.
//
// # Entity Registry
//
// Entity kinds are registered at init time using [Register]:
//
//	core.Register(core.EntityDefinition{
//	    Kind:      core.KindCustomer,
//	    FieldSpecs: []core.FieldSpec{
//	        {Name: "name", Required: true},
//	        {Name: "email", Type: core.FieldEmail},
//	    },
//	    MatchKeys: []core.MatchKey{
//	        {Name: "email", Fields: []string{"email"}, Mode: core.MatchFold},
//	    },
//	})
//
// # Phases
//
//  1. Parsing stages raw rows from every uploaded file.
//  2. Mapping applies the best applicable rule per source field.
//  3. Validating accumulates field errors and resolves duplicates.
//  4. Committing promotes rows in micro-batches with one savepoint per row.
//
// Row failures mark the row failed and processing continues. Any other error
// fails the job, which can then be retried.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages using [MapError].
// Each category has a code for support reference:
//
//   - PARSE001: malformed source file
//   - MAP001-MAP002: no applicable rule, transformation failure
//   - VAL001-VAL004: validation failures
//   - DUP001: ambiguous duplicate
//   - CMT001-CMT002: unresolved reference, late duplicate
//   - DB001-DB007: database errors
//   - FILE001-FILE002: upload size and header errors
//   - JOB001-JOB005: job lifecycle errors
//   - SYS001: unexpected system error
package core
