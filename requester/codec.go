package requester

import bench "github.com/ssd532/producer-bench"

func keyEncoderOrDefault(enc bench.KeyEncoder) bench.KeyEncoder {
	if enc == nil {
		return bench.IntegerKey
	}
	return enc
}

func valueEncoderOrDefault(enc bench.ValueEncoder) bench.ValueEncoder {
	if enc == nil {
		return bench.StringValue
	}
	return enc
}
