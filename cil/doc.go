// Package cil reads, edits and writes managed PE images (.NET assemblies).
//
// A Module keeps the image it was read from. Types and methods can be
// looked up by name, methods removed or added, and methods of another
// module imported as call targets. Writing a changed module rebuilds the
// metadata and places it, with any new method bodies, in a trailing
// section named ".srdbg". Running the same edit again reuses that section
// and the rows imported the first time.
//
// Limitations:
//   - Edit-and-continue and uncompressed ("#-") metadata are rejected
//   - Images with vtable fixups (mixed-mode assemblies) cannot be written
//   - Strong name signatures and Authenticode certificates are dropped on write
package cil
