// Package engine ties the pipeline resolver, router, and scheduler together.
// It exposes a persistence-backed run controller that initializes analysis
// runs, drives them to a terminal status while checkpointing after every
// commit, and resumes interrupted runs without repeating committed work.
package engine
