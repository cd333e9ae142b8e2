/*
Package zipcore implements the core of a ZIP archive codec: a streaming
(one-pass) reader, a random-access (central-directory indexed) reader, a
sequential writer, and a scatter/gather parallel writer, along with the
extra-field subsystem that makes ZIP interoperable across platforms and
legacy tools.

It supports the STORED, DEFLATE, UNSHRINK and IMPLODE compression methods.
Encryption is detected but not decrypted. Other compression methods are
detected and reported through ErrAlgorithm rather than silently ignored.

See https://www.pkware.com/appnote for the file format this package
implements.
*/
package zipcore
