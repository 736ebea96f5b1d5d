package pairer

import "github.com/chaz8081/fastpair/internal/fastpair"

const (
	histHandshakeResult       = "FastPair.Handshake.Result"
	histDeviceLookupResult    = "FastPair.DeviceLookup.Result"
	histConnectDeviceResult   = "FastPair.ConnectDevice.Result"
	histPairDeviceResult      = "FastPair.PairDevice.Result"
	histPairDeviceErrorReason = "FastPair.PairDevice.ErrorReason"
	histPasskeyWriteResult    = "FastPair.Passkey.Write.Result"
	histPasskeyWriteTime      = "FastPair.Passkey.Write.Time"
	histPasskeyDecryptTime    = "FastPair.Passkey.Decrypt.Time"
	histPasskeyDecryptResult  = "FastPair.Passkey.Decrypt.Result"
	histPasskeyMatch          = "FastPair.Passkey.Match"
	histAccountKeyWriteResult = "FastPair.AccountKey.Write.Result"
	histAccountKeyWriteTime   = "FastPair.AccountKey.Write.Time"
	histAccountKeyFailure     = "FastPair.AccountKey.FailureReason"
	histAccountKeyRepository  = "FastPair.AccountKey.Repository.Result"
	histPairingResult         = "FastPair.Pairing.Result"
	histPairingFailureReason  = "FastPair.Pairing.FailureReason"
	histPairingTotalTime      = "FastPair.Pairing.TotalTime"
	histOptInUpdateResultStem = "FastPair.SavedDevices.UpdateOptInStatus.Result."
	histLegacyPairingResult   = "FastPair.V1.Pairing.Result"
)

// optInUpdateHistogram splits the opt-in update result by protocol.
func optInUpdateHistogram(p fastpair.Protocol) string {
	switch p {
	case fastpair.ProtocolInitial:
		return histOptInUpdateResultStem + "InitialPairingProtocol"
	case fastpair.ProtocolSubsequent:
		return histOptInUpdateResultStem + "SubsequentPairingProtocol"
	default:
		return histOptInUpdateResultStem + "RetroactivePairingProtocol"
	}
}
