// Package i2np implements the I2NP message envelope: the pooled
// fixed-capacity message buffer, header framing with size and checksum
// maintenance, typed constructors for every message variant, wire parsing
// and type-based dispatch.
package i2np
