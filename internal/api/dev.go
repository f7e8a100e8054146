package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/atmx/dca-engine/internal/fhe"
)

// DevInput is one plaintext to encrypt, e.g. {"value":"100000000","width":"euint64"}.
type DevInput struct {
	Value string `json:"value"`
	Width string `json:"width"`
}

// DevEncryptRequest is the JSON body for POST /dev/encrypt.
type DevEncryptRequest struct {
	Inputs []DevInput `json:"inputs"`
}

// DevEncryptResponse carries the handles and the proof binding them to
// the caller and this engine's contract address.
type DevEncryptResponse struct {
	Values []fhe.Value   `json:"values"`
	Proof  hexutil.Bytes `json:"proof"`
}

// DevEncrypt handles POST /api/v1/dev/encrypt. It plays the client SDK
// for local testing and is only mounted in development.
func (s *Service) DevEncrypt(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req DevEncryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Inputs) == 0 {
		writeError(w, "invalid_body", "inputs are required", http.StatusBadRequest)
		return
	}
	inputs := make([]fhe.Input, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		v, ok := new(big.Int).SetString(in.Value, 10)
		if !ok || v.Sign() < 0 {
			writeError(w, "invalid_value", "value must be a non-negative integer: "+in.Value, http.StatusBadRequest)
			return
		}
		width, err := fhe.ParseWidth(in.Width)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		inputs = append(inputs, fhe.Input{Plaintext: v, Width: width})
	}
	values, proof, err := s.encrypter.EncryptInputs(s.contract, caller, inputs...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DevEncryptResponse{Values: values, Proof: hexutil.Bytes(proof)})
}
