package onewire

// Search enumerates device ROMs on the segment using the binary tree walk
// from Maxim AN187. ROMs failing CRC are skipped. At most max ROMs are
// returned (max <= 0 means no limit besides the pass bound).
//
// With alarmOnly set only devices with an active alarm flag answer.
func Search(b Bus, alarmOnly bool, max int) ([]ROM, error) {
	cmd := byte(CmdSearch)
	if alarmOnly {
		cmd = CmdAlarmSearch
	}

	var (
		out      []ROM
		rom      ROM
		lastDisc int // 1-based bit index of the last zero-taken discrepancy
		done     bool
	)
	passes := 64
	if max > 0 {
		passes = max * 4
	}

	for !done && passes > 0 {
		passes--
		if err := b.Reset(); err != nil {
			if len(out) == 0 {
				return nil, err
			}
			return out, nil
		}
		WriteByte(b, cmd)

		lastZero := 0
		for bit := 1; bit <= 64; bit++ {
			idBit := b.ReadBit()
			cmpBit := b.ReadBit()
			byteIdx, mask := (bit-1)/8, byte(1)<<((bit-1)%8)

			var dir bool
			switch {
			case idBit && cmpBit:
				// nobody answered this slot
				return out, ErrSearch
			case idBit != cmpBit:
				dir = idBit
			default:
				if bit < lastDisc {
					dir = rom[byteIdx]&mask != 0
				} else {
					dir = bit == lastDisc
				}
				if !dir {
					lastZero = bit
				}
			}

			if dir {
				rom[byteIdx] |= mask
			} else {
				rom[byteIdx] &^= mask
			}
			b.WriteBit(dir)
		}

		lastDisc = lastZero
		if lastDisc == 0 {
			done = true
		}
		if rom.Valid() {
			out = append(out, rom)
			if max > 0 && len(out) >= max {
				break
			}
		}
	}
	return out, nil
}
