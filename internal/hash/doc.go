// Package hash provides the CRC32-Castagnoli checksums that guard
// checkpoint bodies against truncation and bit rot.
//
// Go's hash/crc32 uses SSE4.2 or the ARM CRC extension for the Castagnoli
// polynomial when available.
package hash
