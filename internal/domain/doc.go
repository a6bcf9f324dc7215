// Package domain contains the core business entities, value objects, and
// domain logic of the processing pipeline: tasks, extracted action items,
// and the stage events that report progress. It is independent of any
// specific infrastructure or delivery mechanism.
package domain
