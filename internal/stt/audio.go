package stt

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/go-audio/wav"
	"github.com/pion/opus"
	"github.com/pion/opus/pkg/oggreader"
	. "github.com/voxqueue/voxqueue/internal/logging"
	"github.com/zeozeozeo/gomplerate"
)

const (
	targetSampleRate = 16000 // Whisper requires 16kHz
	maxFrameSize     = 5760  // Max Opus frame size (120ms at 48kHz)

	// Channels whose normalized RMS falls below this are treated as
	// silent/inactive and excluded from the downmix.
	rmsGateThreshold = 0.005

	// Inputs above this sample count fan the float conversion across
	// worker goroutines.
	parallelThreshold = 1 << 20
)

// ConvertForInference converts an audio file to 16kHz mono float32 samples,
// the format the local whisper model requires. onProgress (optional)
// receives coarse stage progress in [0, 1].
//
// WAV is decoded natively, OGG/Opus is decoded in pure Go with an ffmpeg
// fallback, and everything else (including MP4-family containers hiding
// behind a wrong extension) goes through ffmpeg.
func ConvertForInference(ctx context.Context, filePath string, onProgress func(float64)) ([]float32, error) {
	report := func(p float64) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	samples, channels, rate, err := decodeAudio(filePath)
	if err != nil {
		return nil, err
	}
	report(0.4)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if channels > 1 {
		samples = downmixEnergyGated(samples, channels)
	}
	report(0.6)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if rate != targetSampleRate {
		L_debug("stt: resampling", "from", rate, "to", targetSampleRate)
		samples = resampleInt16(samples, rate, targetSampleRate)
	}
	report(0.8)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := int16ToFloat32(samples)
	report(1.0)

	L_debug("stt: conversion complete", "samples", len(result), "duration_sec", float64(len(result))/float64(targetSampleRate))
	return result, nil
}

// decodeAudio decodes a file to interleaved int16 samples.
// Returns samples, channel count and sample rate.
func decodeAudio(filePath string) ([]int16, int, int, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	// Some recorders write MP4-family audio with a misleading extension;
	// trust the container magic over the name.
	if isMP4Container(filePath) {
		L_debug("stt: MP4-family container detected", "file", filePath, "ext", ext)
		return decodeWithFFmpeg(filePath)
	}

	switch ext {
	case ".wav":
		return decodeWAV(filePath)
	case ".ogg", ".opus", ".oga":
		samples, channels, rate, err := decodeOggOpusSafe(filePath)
		if err == nil {
			return samples, channels, rate, nil
		}
		// The pure Go decoder has limited codec support; ffmpeg is the
		// reliable path when present.
		if ffmpegAvailable() {
			L_debug("stt: pure Go OGG decode failed, using ffmpeg", "error", err)
			return decodeWithFFmpeg(filePath)
		}
		return nil, 0, 0, WrapE(KindAudioProcessing, "", fmt.Errorf("OGG decoding failed (%v) - install ffmpeg for reliable audio conversion", err))
	default:
		if ffmpegAvailable() {
			return decodeWithFFmpeg(filePath)
		}
		return nil, 0, 0, E(KindAudioProcessing, "", "unsupported audio format %s (install ffmpeg for non-WAV/OGG files)", ext)
	}
}

// isMP4Container checks the file magic for an MP4-family "ftyp" box.
func isMP4Container(filePath string) bool {
	f, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return string(header[4:8]) == "ftyp"
}

// decodeWAV decodes a WAV file to interleaved int16 samples.
func decodeWAV(filePath string) ([]int16, int, int, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, 0, 0, WrapE(KindAudioProcessing, "", fmt.Errorf("open audio file: %w", err))
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, 0, E(KindAudioProcessing, "", "not a valid WAV file: %s", filepath.Base(filePath))
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, WrapE(KindAudioProcessing, "", fmt.Errorf("decode WAV: %w", err))
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, 0, E(KindAudioProcessing, "", "no audio samples decoded from %s", filepath.Base(filePath))
	}

	bitDepth := int(dec.BitDepth)
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = scaleToInt16(v, bitDepth)
	}

	L_debug("stt: WAV decoded", "samples", len(samples), "channels", buf.Format.NumChannels, "rate", buf.Format.SampleRate, "bits", bitDepth)
	return samples, buf.Format.NumChannels, buf.Format.SampleRate, nil
}

// scaleToInt16 converts a PCM sample of the given bit depth to int16.
func scaleToInt16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 16:
		return int16(v)
	case bitDepth == 8:
		// 8-bit WAV is unsigned
		return int16((v - 128) << 8)
	case bitDepth > 16:
		return int16(v >> (bitDepth - 16))
	default:
		return int16(v << (16 - bitDepth))
	}
}

// decodeOggOpusSafe wraps the pure Go decoder with panic recovery.
// pion/opus can panic on some files.
func decodeOggOpusSafe(filePath string) (samples []int16, channels, rate int, err error) {
	defer func() {
		if r := recover(); r != nil {
			L_warn("stt: pure Go opus decoder panicked, recovered", "panic", r)
			samples, channels, rate = nil, 0, 0
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return decodeOggOpus(filePath)
}

// decodeOggOpus decodes OGG/Opus to interleaved int16 using pure Go.
func decodeOggOpus(filePath string) ([]int16, int, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	ogg, header, err := oggreader.NewWith(file)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("parse OGG container: %w", err)
	}

	sampleRate := int(header.SampleRate)
	channels := int(header.Channels)
	L_debug("stt: OGG header", "sampleRate", sampleRate, "channels", channels)

	decoder := opus.NewDecoder()
	outBuf := make([]byte, maxFrameSize*channels*2) // *2 for 16-bit samples

	var allSamples []int16
	for {
		segments, _, err := ogg.ParseNextPage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("parse OGG page: %w", err)
		}

		// Each segment is an Opus packet
		for _, segment := range segments {
			if len(segment) == 0 {
				continue
			}
			_, isStereo, err := decoder.Decode(segment, outBuf)
			if err != nil {
				L_trace("stt: skipping opus packet", "error", err, "len", len(segment))
				continue
			}
			actualChannels := 1
			if isStereo {
				actualChannels = 2
			}
			allSamples = append(allSamples, packetToInt16(outBuf, actualChannels)...)
		}
	}

	if len(allSamples) == 0 {
		return nil, 0, 0, fmt.Errorf("no audio samples decoded from %s", filepath.Base(filePath))
	}
	return allSamples, channels, sampleRate, nil
}

// packetToInt16 converts a decoded packet buffer to int16 samples
// (little-endian), stopping at trailing zeros (unused buffer space).
func packetToInt16(buf []byte, channels int) []int16 {
	samples := make([]int16, 0, len(buf)/2)
	for i := 0; i < len(buf)-1; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(buf[i : i+2]))
		if sample == 0 && i > 0 {
			allZero := true
			for j := i; j < len(buf)-1; j += 2 {
				if binary.LittleEndian.Uint16(buf[j:j+2]) != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				break
			}
		}
		samples = append(samples, sample)
	}
	return samples
}

// downmixEnergyGated converts multi-channel audio to mono using
// energy-gated averaging: channels whose RMS energy falls below the gate
// threshold are treated as silent and excluded. If every channel is below
// threshold, all channels are kept (fail open, never over-exclude into
// silence).
func downmixEnergyGated(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}

	frames := len(samples) / channels
	if frames == 0 {
		return nil
	}

	active := activeChannels(samples, channels, frames)

	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for _, ch := range active {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(len(active)))
	}
	return mono
}

// activeChannels returns the channels whose normalized RMS energy meets
// the gate threshold; all channels when none do.
func activeChannels(samples []int16, channels, frames int) []int {
	active := make([]int, 0, channels)
	for ch := 0; ch < channels; ch++ {
		var sumSq float64
		for i := 0; i < frames; i++ {
			v := float64(samples[i*channels+ch]) / 32768.0
			sumSq += v * v
		}
		rms := math.Sqrt(sumSq / float64(frames))
		if rms >= rmsGateThreshold {
			active = append(active, ch)
		}
	}
	if len(active) == 0 {
		L_debug("stt: all channels below energy gate, keeping all", "channels", channels)
		for ch := 0; ch < channels; ch++ {
			active = append(active, ch)
		}
	}
	return active
}

// resampleInt16 converts audio from one sample rate to another using gomplerate.
func resampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}

	resampler, err := gomplerate.NewResampler(1, fromRate, toRate)
	if err != nil {
		L_warn("stt: resampler creation failed, skipping resample", "error", err)
		return samples
	}
	return resampler.ResampleInt16(samples)
}

// int16ToFloat32 converts int16 samples to float32 normalized to [-1, 1].
// Large inputs are converted in parallel chunks.
func int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	if len(samples) < parallelThreshold {
		for i, s := range samples {
			result[i] = float32(s) / 32768.0
		}
		return result
	}

	workers := runtime.NumCPU()
	chunk := (len(samples) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(samples) {
			break
		}
		end := min(start+chunk, len(samples))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				result[i] = float32(samples[i]) / 32768.0
			}
		}(start, end)
	}
	wg.Wait()
	return result
}

// ffmpegAvailable checks if ffmpeg is installed.
func ffmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// decodeWithFFmpeg uses ffmpeg to convert audio to 16kHz mono PCM.
func decodeWithFFmpeg(inputPath string) ([]int16, int, int, error) {
	tmpFile, err := os.CreateTemp("", "voxqueue-*.raw")
	if err != nil {
		return nil, 0, 0, WrapE(KindAudioProcessing, "", fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cmd := exec.Command("ffmpeg",
		"-i", inputPath,
		"-ar", fmt.Sprintf("%d", targetSampleRate),
		"-ac", "1",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-y",
		tmpPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		L_debug("stt: ffmpeg output", "output", string(output))
		return nil, 0, 0, WrapE(KindAudioProcessing, "", fmt.Errorf("ffmpeg conversion failed: %w", err))
	}

	rawData, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, 0, 0, WrapE(KindAudioProcessing, "", fmt.Errorf("read converted audio: %w", err))
	}

	samples := make([]int16, len(rawData)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(rawData[i*2]) | int16(rawData[i*2+1])<<8
	}
	return samples, 1, targetSampleRate, nil
}
