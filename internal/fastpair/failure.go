package fastpair

import "fmt"

// PairFailure is the closed set of reasons a pairing attempt can fail.
// It implements error so collaborators can return it directly; callers
// recover it with errors.As.
type PairFailure int

const (
	FailureCreateGattConnection PairFailure = iota + 1
	FailureGattServiceDiscovery
	FailureGattServiceDiscoveryTimeout
	FailureDataEncryptorRetrieval
	FailureKeyBasedPairingCharacteristicDiscovery
	FailurePasskeyCharacteristicDiscovery
	FailureAccountKeyCharacteristicDiscovery
	FailureKeyBasedPairingCharacteristicNotifySession
	FailurePasskeyCharacteristicNotifySession
	FailureKeyBasedPairingCharacteristicWrite
	FailurePasskeyPairingCharacteristicWrite
	FailureKeyBasedPairingResponseTimeout
	FailurePasskeyResponseTimeout
	FailureKeyBasedPairingResponseDecryptFailure
	FailureIncorrectKeyBasedPairingResponseType
	FailurePasskeyDecryptFailure
	FailureIncorrectPasskeyResponseType
	FailurePasskeyMismatch
	FailurePairingDeviceLost
	FailurePairingConnect
	FailureAddressConnect
	FailureBleDeviceLostMidPair
	FailurePairingTimeout
)

var pairFailureNames = map[PairFailure]string{
	FailureCreateGattConnection:                       "CreateGattConnection",
	FailureGattServiceDiscovery:                       "GattServiceDiscovery",
	FailureGattServiceDiscoveryTimeout:                "GattServiceDiscoveryTimeout",
	FailureDataEncryptorRetrieval:                     "DataEncryptorRetrieval",
	FailureKeyBasedPairingCharacteristicDiscovery:     "KeyBasedPairingCharacteristicDiscovery",
	FailurePasskeyCharacteristicDiscovery:             "PasskeyCharacteristicDiscovery",
	FailureAccountKeyCharacteristicDiscovery:          "AccountKeyCharacteristicDiscovery",
	FailureKeyBasedPairingCharacteristicNotifySession: "KeyBasedPairingCharacteristicNotifySession",
	FailurePasskeyCharacteristicNotifySession:         "PasskeyCharacteristicNotifySession",
	FailureKeyBasedPairingCharacteristicWrite:         "KeyBasedPairingCharacteristicWrite",
	FailurePasskeyPairingCharacteristicWrite:          "PasskeyPairingCharacteristicWrite",
	FailureKeyBasedPairingResponseTimeout:             "KeyBasedPairingResponseTimeout",
	FailurePasskeyResponseTimeout:                     "PasskeyResponseTimeout",
	FailureKeyBasedPairingResponseDecryptFailure:      "KeyBasedPairingResponseDecryptFailure",
	FailureIncorrectKeyBasedPairingResponseType:       "IncorrectKeyBasedPairingResponseType",
	FailurePasskeyDecryptFailure:                      "PasskeyDecryptFailure",
	FailureIncorrectPasskeyResponseType:               "IncorrectPasskeyResponseType",
	FailurePasskeyMismatch:                            "PasskeyMismatch",
	FailurePairingDeviceLost:                          "PairingDeviceLost",
	FailurePairingConnect:                             "PairingConnect",
	FailureAddressConnect:                             "AddressConnect",
	FailureBleDeviceLostMidPair:                       "BleDeviceLostMidPair",
	FailurePairingTimeout:                             "PairingTimeout",
}

func (f PairFailure) String() string {
	if name, ok := pairFailureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PairFailure(%d)", int(f))
}

func (f PairFailure) Error() string {
	return "fastpair: pair failure: " + f.String()
}

// AccountKeyFailure is the closed set of reasons writing the account key
// can fail. The pairing itself is still complete when one is reported.
type AccountKeyFailure int

const (
	AccountKeyFailureCharacteristicDiscovery AccountKeyFailure = iota + 1
	AccountKeyFailureGattWrite
	AccountKeyFailureEncrypt
	AccountKeyFailureBleDeviceLost
)

func (f AccountKeyFailure) String() string {
	switch f {
	case AccountKeyFailureCharacteristicDiscovery:
		return "AccountKeyCharacteristicDiscovery"
	case AccountKeyFailureGattWrite:
		return "AccountKeyCharacteristicWrite"
	case AccountKeyFailureEncrypt:
		return "AccountKeyEncrypt"
	case AccountKeyFailureBleDeviceLost:
		return "BleDeviceLost"
	default:
		return fmt.Sprintf("AccountKeyFailure(%d)", int(f))
	}
}

func (f AccountKeyFailure) Error() string {
	return "fastpair: account key failure: " + f.String()
}
