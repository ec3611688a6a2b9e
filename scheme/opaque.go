package scheme

import "github.com/nikat/mtproto2json/wire"

// DecodeTopLevel decodes one complete, length-bounded message body
// (as handed over by the session layer from an envelope's bytes field
// or a msg_container entry). Unlike readMessage, which is used for
// streaming/nested reads where an unknown constructor simply fails,
// DecodeTopLevel falls back to Opaque so unrecognized constructors
// still flow through to the caller's push channel (spec.md §9) instead
// of tearing down the connection.
func DecodeTopLevel(data []byte) (Message, error) {
	if len(data) < 4 {
		return nil, ErrShortMessage
	}
	r := wire.NewReader(data)
	msg, err := readMessage(r, true, "")
	if err == ErrUnknownConstructor {
		id := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		return Opaque{Cons: id, Body: data[4:]}, nil
	}
	return msg, err
}
