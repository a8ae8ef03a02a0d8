// Package resolver contains the dependency resolver core for analysis
// pipelines. It inspects pipeline definitions, instantiates stages from the
// registry, checks the composed graph against the document schema, and
// evaluates stage readiness from recorded run progress.
package resolver
