// Command medley imports and inspects media metadata against the
// configured document store.
package main
