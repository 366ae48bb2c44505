package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorWithShape is a named tensor as stored in a safetensors file. Values
// are always held as float32 in memory; DType selects the on-disk encoding.
type TensorWithShape struct {
	DType  string
	Shape  []int
	Values []float32
}

// TensorInfo describes a tensor's properties in the safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]TensorWithShape, metadata map[string]string) error {
	data, err := SerializeSafetensors(tensors, metadata)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0o644)
}

// SerializeSafetensors converts tensors to safetensors format bytes
func SerializeSafetensors(tensors map[string]TensorWithShape, metadata map[string]string) ([]byte, error) {
	header := make(map[string]any)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	currentOffset := 0

	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tensor := tensors[name]
		bytesPerElement := getBytesPerElement(tensor.DType)
		if bytesPerElement == 0 {
			return nil, fmt.Errorf("unsupported dtype: %s", tensor.DType)
		}
		if ShapeSize(tensor.Shape) != len(tensor.Values) {
			return nil, fmt.Errorf("%w: tensor %s has %d values for shape %v", ErrShapeMismatch, name, len(tensor.Values), tensor.Shape)
		}
		dataSize := len(tensor.Values) * bytesPerElement

		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	offset := int(8 + headerSize)
	for _, name := range names {
		n, err := writeTensorData(result[offset:], tensors[name])
		if err != nil {
			return nil, fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
		offset += n
	}

	return result, nil
}

// getBytesPerElement returns bytes per element for a dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// writeTensorData writes tensor data in the specified dtype format
func writeTensorData(dest []byte, tensor TensorWithShape) (int, error) {
	numElements := len(tensor.Values)

	switch tensor.DType {
	case "F32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
		}
		return numElements * 4, nil

	case "F64":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint64(dest[i*8:], math.Float64bits(float64(val)))
		}
		return numElements * 8, nil

	case "F16":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint16(dest[i*2:], float16.Fromfloat32(val).Bits())
		}
		return numElements * 2, nil

	case "BF16":
		return copy(dest, bfloat16.EncodeFloat32(tensor.Values)), nil

	default:
		return 0, fmt.Errorf("unsupported dtype: %s", tensor.DType)
	}
}

// LoadSafetensors reads a safetensors file and returns tensors by name
// along with the file's string metadata.
func LoadSafetensors(filepath string) (map[string]TensorWithShape, map[string]string, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and returns tensors by name
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}

	allData := data[8+headerSize:]

	var metadata map[string]string
	tensors := make(map[string]TensorWithShape)
	for name, raw := range rawHeader {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		bytesPerElement := getBytesPerElement(info.DType)
		if bytesPerElement == 0 {
			slog.Warn("skipping tensor with unsupported dtype", "tensor", name, "dtype", info.DType)
			continue
		}
		if len(info.Offset) != 2 {
			return nil, nil, fmt.Errorf("tensor %s: malformed data_offsets %v", name, info.Offset)
		}

		start, end := info.Offset[0], info.Offset[1]
		numElements := ShapeSize(info.Shape)
		if start < 0 || end > len(allData) || end-start != numElements*bytesPerElement {
			return nil, nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		buf := allData[start:end]

		values := make([]float32, numElements)
		switch info.DType {
		case "F32":
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			}
		case "F64":
			for i := range values {
				values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:])))
			}
		case "F16":
			for i := range values {
				values[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
			}
		case "BF16":
			values = bfloat16.DecodeFloat32(buf)
		}

		tensors[name] = TensorWithShape{DType: info.DType, Shape: info.Shape, Values: values}
	}

	return tensors, metadata, nil
}
