package protocol

import "time"

// Dynamic span wire and engine constants

const (
	// Frame geometry
	CHUNK_SIZE    = 8 // Samples per channel per tick (1ms at 8kHz)
	HEADER_LENGTH = 6 // samples(1) + flags(1) + sequence(2) + channels(2)
	SIG_WORD_SIZE = 2 // Bytes per packed signalling word
	SIG_PER_WORD  = 4 // Channels packed into one signalling word

	// Limits
	MAX_CHANNELS = 256 // Hard cap; a span may carry at most MAX_CHANNELS-1 channels
	MAX_SPANS    = 128 // Default span table capacity

	// Wire field limits
	MAX_CHUNK_SIZE    = 0xFF    // samples is one byte
	MAX_CHANNEL_LIMIT = 0x10000 // channels is 16 bits, so MaxChannels-1 must fit

	// Header flag bits (offset 1)
	FLAG_YELLOW_ALARM    = 0x01 // Peer declares it is not receiving us
	FLAG_SIGBITS_PRESENT = 0x02 // Packed signalling words follow the header
	FLAG_LOOPBACK        = 0x04 // Reserved, carried but never acted on

	// Signalling nibble mask
	SIG_MASK = 0x0F

	// Idle fill for a starved transmit chunk (mu-law silence)
	IDLE_SAMPLE = 0xFF
)

// Cached error codes: kind in the high bits, offending value in the low 16
const (
	ERR_NSAMP = 1 << 16 // Sample count differs from CHUNK_SIZE
	ERR_NCHAN = 1 << 17 // Channel count differs from the span's configuration
	ERR_LEN   = 1 << 18 // Message length differs from the computed length
	ERR_SHORT = 1 << 19 // Message shorter than the header

	ERR_VALUE_MASK = 0xFFFF
)

// Timing
const (
	TICK_PERIOD      = time.Millisecond // One chunk
	LIVENESS_TIMEOUT = time.Second      // No frame for this long -> red alarm
	HOUSEKEEPING     = time.Second      // Watchdog scan interval
)

// Transport constants
const (
	ETH_P_DAHDI_DETH = 0xD00D // Ethertype for dynamic span frames
	SUBADDR_LENGTH   = 2      // Sub-address header preceding the message
	ETH_HEADER_LEN   = 14     // dst(6) + src(6) + ethertype(2)
	ETH_MTU          = 1500

	UDP_DEFAULT_PORT = 4000
	BUFFER_LENGTH    = 2048  // Maximum datagram / frame size read from a medium
	QUEUE_LENGTH     = 65536 // Deferred transmit queue size in bytes
)
