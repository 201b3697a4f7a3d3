// Package chunk maps one serialized envelope to an ordered sequence of bounded
// chunk tokens, each small enough for one data-carrying transaction output, and
// reassembles them on the receiving side.
//
// A token has the form
//
//	BC2_<messageId>_<index>_<totalCount>_<slice>
//
// The slice is always the trailing field, so separators inside the slice are
// harmless. Receivers feed tokens in any order into an [Accumulator], which
// reports a [Pending] message exactly once, when every index is present.
package chunk
