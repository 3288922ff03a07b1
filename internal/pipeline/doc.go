// Package pipeline turns a template plus fresh input data into an immutable,
// compliance-checked report version, then hands it to the renderer and the
// delivery service.
//
// A generation is idempotent: when the content hash matches the latest
// version of the report nothing is written unless the caller forces it.
package pipeline
