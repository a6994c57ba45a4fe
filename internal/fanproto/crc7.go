package fanproto

// crc7Poly is the reflected CRC-7 polynomial (0x48) shifted left with the
// low bit set, because the board applies the xor before the shift.
const crc7Poly = 0x91

// CRC7 is the single byte checksum the board validates each payload with.
//
// For every byte: xor it into the accumulator, then 8 times xor the
// polynomial in when the low bit is set and shift right by one.
func CRC7(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for bit := 0; bit < 8; bit++ {
			if crc&0x01 != 0 {
				crc ^= crc7Poly
			}
			crc >>= 1
		}
	}
	return crc
}
