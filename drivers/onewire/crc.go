package onewire

// CRC8 computes the Dallas/Maxim CRC-8 (x^8 + x^5 + x^4 + 1, reflected).
// Running it over a frame whose last byte is the CRC of the rest yields 0.
func CRC8(p []byte) byte {
	var crc byte
	for _, v := range p {
		for i := 0; i < 8; i++ {
			mix := (crc ^ v) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			v >>= 1
		}
	}
	return crc
}
