package execute

import (
	"fmt"

	"pvfexec/internal/pvf/primitives"
)

// PoVs, artifacts and validation results are sent as raw frames after their message; see
// wire.BulkEncoder.

func (r Request) EncodeBulk() [][]byte {
	return [][]byte{r.PoV.BlockData}
}

func (r *Request) DecodeBulk(next func() ([]byte, error)) error {
	data, err := next()
	if err != nil {
		return err
	}
	r.PoV.BlockData = data
	return nil
}

func (r JobResponse) encodeBulk() [][]byte {
	if !r.IsOk() {
		return nil
	}
	return [][]byte{primitives.EncodeValidationResult(r.Ok.ResultDescriptor)}
}

func (r *JobResponse) decodeBulk(next func() ([]byte, error)) error {
	if !r.IsOk() {
		return nil
	}
	data, err := next()
	if err != nil {
		return err
	}
	res, err := primitives.DecodeValidationResult(data)
	if err != nil {
		return fmt.Errorf("validation result: %w", err)
	}
	r.Ok.ResultDescriptor = res
	return nil
}

func (r JobResult) EncodeBulk() [][]byte {
	if !r.IsOk() {
		return nil
	}
	return r.Ok.encodeBulk()
}

func (r *JobResult) DecodeBulk(next func() ([]byte, error)) error {
	if !r.IsOk() {
		return nil
	}
	return r.Ok.decodeBulk(next)
}

func (r WorkerResult) EncodeBulk() [][]byte {
	if !r.IsOk() {
		return nil
	}
	return r.Ok.JobResponse.encodeBulk()
}

func (r *WorkerResult) DecodeBulk(next func() ([]byte, error)) error {
	if !r.IsOk() {
		return nil
	}
	return r.Ok.JobResponse.decodeBulk(next)
}
