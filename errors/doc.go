// Package errors provides the structured error taxonomy for weblink.
//
// Errors are categorized by Phase (the pipeline stage that failed) and Kind
// (error category). Codec errors (malformed_header, truncated_body,
// bad_index, unsupported_version) carry the byte offset where decoding
// stopped; missing_entry_point errors carry the candidate names considered.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseExports, errors.KindBadIndex).
//		Path("element", "0").
//		Detail("slot %d exceeds table maximum %d", slot, max).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.BadIndex(errors.PhaseParse, path, "function", 10, 5)
//	err := errors.MissingEntryPoint("start", []string{"main", "start"})
//
// Match with the standard library:
//
//	if errors.Is(err, &errors.Error{Kind: errors.KindMissingEntryPoint}) { ... }
//
// No error kind is retried: the pipeline is a deterministic function of its
// input, so the caller can only fix the input or options.
package errors
