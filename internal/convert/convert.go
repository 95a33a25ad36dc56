// Package convert builds D-Bus variants with explicit signatures, so
// portal and notification calls send exactly the types the services expect.
package convert

import (
	"reflect"

	"github.com/godbus/dbus/v5"
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	byteSignature   = dbus.SignatureOfType(reflect.TypeOf(byte(0)))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

// FromByte is used for the notification urgency hint, which must be "y".
func FromByte(input byte) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, byteSignature)
}

func FromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, uint32Signature)
}
