// Package backing provides backing objects for mm mappings.
//
// A File is an mm.Object over any io.ReaderAt: an in-memory buffer
// (NewMemFile), an open *os.File (OpenFile) or a read-only host mapping
// of a file (MapFile). It keeps
//
//   - a reference count of the regions mapping it,
//   - a count of open writers and of deny-write mappings, which exclude
//     each other (an executable image cannot be written while mapped),
//   - the reverse list of every region mapping it.
//
// Faults read one page at the region's offset; the part of a page past the
// end of the file reads as zeros, and a page wholly past the end is an
// error.
package backing
