package i2np

import (
	"errors"
)

// I2NP message types.
const (
	I2NP_MESSAGE_TYPE_DATABASE_STORE              = 1
	I2NP_MESSAGE_TYPE_DATABASE_LOOKUP             = 2
	I2NP_MESSAGE_TYPE_DATABASE_SEARCH_REPLY       = 3
	I2NP_MESSAGE_TYPE_DELIVERY_STATUS             = 10
	I2NP_MESSAGE_TYPE_GARLIC                      = 11
	I2NP_MESSAGE_TYPE_TUNNEL_DATA                 = 18
	I2NP_MESSAGE_TYPE_TUNNEL_GATEWAY              = 19
	I2NP_MESSAGE_TYPE_DATA                        = 20
	I2NP_MESSAGE_TYPE_TUNNEL_BUILD                = 21
	I2NP_MESSAGE_TYPE_TUNNEL_BUILD_REPLY          = 22
	I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD       = 23
	I2NP_MESSAGE_TYPE_VARIABLE_TUNNEL_BUILD_REPLY = 24
)

// Header layout. All multi-byte fields are big-endian.
const (
	I2NP_HEADER_TYPEID_OFFSET     = 0
	I2NP_HEADER_MSGID_OFFSET      = 1
	I2NP_HEADER_EXPIRATION_OFFSET = 5
	I2NP_HEADER_SIZE_OFFSET       = 13
	I2NP_HEADER_CHKS_OFFSET       = 15
	I2NP_HEADER_SIZE              = 16
)

// Buffer size classes. A short buffer fits a TunnelData message (1028 +
// header) with room for re-framing; tunnel build messages (8 * 528 bytes)
// need the long class, which also bounds reassembled messages.
const (
	I2NP_MAX_SHORT_MESSAGE_SIZE = 2048
	I2NP_MAX_MESSAGE_SIZE       = 16384
)

// DeliveryStatus layout.
const (
	DELIVERY_STATUS_MSGID_OFFSET     = 0
	DELIVERY_STATUS_TIMESTAMP_OFFSET = 4
	DELIVERY_STATUS_SIZE             = 12
)

// DatabaseStore layout.
const (
	DATABASE_STORE_KEY_OFFSET         = 0
	DATABASE_STORE_TYPE_OFFSET        = 32
	DATABASE_STORE_REPLY_TOKEN_OFFSET = 33
	DATABASE_STORE_HEADER_SIZE        = 37
)

// DatabaseLookup flags.
const (
	DATABASE_LOOKUP_DELIVERY_FLAG           = 0x01
	DATABASE_LOOKUP_ENCRYPTION_FLAG         = 0x02
	DATABASE_LOOKUP_TYPE_ROUTERINFO_LOOKUP  = 0
	DATABASE_LOOKUP_TYPE_LEASESET_LOOKUP    = 0x04
	DATABASE_LOOKUP_TYPE_EXPLORATORY_LOOKUP = 0x08
	DATABASE_LOOKUP_TYPE_FLAGS_MASK         = 0x0C
)

// TunnelData / TunnelGateway layout.
const (
	TUNNEL_DATA_MSG_SIZE                  = 1028
	TUNNEL_DATA_ENCRYPTED_SIZE            = 1008
	TUNNEL_GATEWAY_HEADER_TUNNELID_OFFSET = 0
	TUNNEL_GATEWAY_HEADER_LENGTH_OFFSET   = 4
	TUNNEL_GATEWAY_HEADER_SIZE            = 6
)

// Tunnel build records.
const (
	TUNNEL_BUILD_RECORD_SIZE = 528
	NUM_TUNNEL_BUILD_RECORDS = 8
)

// Sentinel parse errors; callers match them with errors.Is.
var (
	ERR_I2NP_NOT_ENOUGH_DATA = errors.New("not enough i2np data")
	ERR_I2NP_MESSAGE_TOO_BIG = errors.New("i2np message exceeds buffer capacity")
)
