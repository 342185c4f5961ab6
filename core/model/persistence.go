package model

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// Format はアーティファクトのシリアライズ形式
type Format int

const (
	// FormatGob は既定の形式
	FormatGob Format = iota
	FormatJSON
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatGob:
		return "gob"
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// ParseFormat は "gob" / "json" / "proto" を解釈する（空文字は gob）
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "gob":
		return FormatGob, nil
	case "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return 0, scierrors.NewConfigError("artifact format", s, "gob", "json", "proto")
	}
}

// ArtifactExt はチェックポイントファイルの拡張子
const ArtifactExt = ".pots"

// artifactMagic はファイル先頭のマジックバイト。直後の1バイトが Format を表す
var artifactMagic = []byte("POTS")

// Artifact はディスクに保存される推定器の状態
type Artifact struct {
	Version   string            `json:"version"`
	Estimator string            `json:"estimator"`
	Epoch     int               `json:"epoch"`
	Metric    float64           `json:"metric"`
	CreatedAt time.Time         `json:"created_at"`
	Params    map[string]Tensor `json:"params"`
}

// NewArtifact はスナップショットからアーティファクトを作成する
// 名前に excludes のいずれかを含むパラメータは保存されない
func NewArtifact(estimator, version string, epoch int, metric float64, sd StateDict, excludes ...string) *Artifact {
	kept := sd.Without(excludes...)
	params := make(map[string]Tensor, len(kept))
	for name, v := range kept {
		params[name] = TensorFromDense(v)
	}
	return &Artifact{
		Version:   version,
		Estimator: estimator,
		Epoch:     epoch,
		Metric:    metric,
		CreatedAt: time.Now().UTC(),
		Params:    params,
	}
}

// StateDict はアーティファクトのパラメータをスナップショットに戻す
func (a *Artifact) StateDict() (StateDict, error) {
	sd := make(StateDict, len(a.Params))
	for name, t := range a.Params {
		d, err := t.Dense()
		if err != nil {
			return nil, scierrors.Wrapf(err, "parameter %s", name)
		}
		sd[name] = d
	}
	return sd, nil
}

// Encode はヘッダ付きでアーティファクトを書き出す
func (a *Artifact) Encode(w io.Writer, format Format) error {
	if _, err := w.Write(append(append([]byte{}, artifactMagic...), byte(format))); err != nil {
		return scierrors.Wrap(err, "failed to write artifact header")
	}
	switch format {
	case FormatGob:
		if err := gob.NewEncoder(w).Encode(a); err != nil {
			return scierrors.Wrap(err, "failed to encode artifact")
		}
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(a); err != nil {
			return scierrors.Wrap(err, "failed to encode artifact")
		}
	case FormatProto:
		msg, err := a.toStruct()
		if err != nil {
			return err
		}
		b, err := proto.Marshal(msg)
		if err != nil {
			return scierrors.Wrap(err, "failed to marshal artifact")
		}
		if _, err := w.Write(b); err != nil {
			return scierrors.Wrap(err, "failed to write artifact")
		}
	default:
		return scierrors.NewConfigError("artifact format", format, "gob", "json", "proto")
	}
	return nil
}

// DecodeArtifact はヘッダから形式を判別してアーティファクトを読み込む
func DecodeArtifact(r io.Reader) (*Artifact, Format, error) {
	br := bufio.NewReader(r)
	header := make([]byte, len(artifactMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, 0, scierrors.Wrap(err, "failed to read artifact header")
	}
	if !bytes.Equal(header[:len(artifactMagic)], artifactMagic) {
		return nil, 0, scierrors.NewValueError("DecodeArtifact", "not a gopots artifact")
	}
	format := Format(header[len(artifactMagic)])

	a := &Artifact{}
	switch format {
	case FormatGob:
		if err := gob.NewDecoder(br).Decode(a); err != nil {
			return nil, format, scierrors.Wrap(err, "failed to decode artifact")
		}
	case FormatJSON:
		if err := json.NewDecoder(br).Decode(a); err != nil {
			return nil, format, scierrors.Wrap(err, "failed to decode artifact")
		}
	case FormatProto:
		b, err := io.ReadAll(br)
		if err != nil {
			return nil, format, scierrors.Wrap(err, "failed to read artifact")
		}
		msg := &structpb.Struct{}
		if err := proto.Unmarshal(b, msg); err != nil {
			return nil, format, scierrors.Wrap(err, "failed to unmarshal artifact")
		}
		if err := a.fromStruct(msg); err != nil {
			return nil, format, err
		}
	default:
		return nil, format, scierrors.NewValueError("DecodeArtifact", "unknown artifact format byte")
	}
	return a, format, nil
}

// SaveArtifactFile はアーティファクトをファイルに保存する
// 失敗はCheckpointIOErrorとして返される
func SaveArtifactFile(a *Artifact, path string, format Format) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return scierrors.NewCheckpointIOError("create", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = scierrors.NewCheckpointIOError("close", path, cerr)
		}
	}()
	bw := bufio.NewWriter(file)
	if err := a.Encode(bw, format); err != nil {
		return scierrors.NewCheckpointIOError("write", path, err)
	}
	if err := bw.Flush(); err != nil {
		return scierrors.NewCheckpointIOError("write", path, err)
	}
	return nil
}

// LoadArtifactFile はファイルからアーティファクトを読み込む
func LoadArtifactFile(path string) (*Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, scierrors.NewCheckpointIOError("open", path, err)
	}
	defer file.Close()
	a, _, err := DecodeArtifact(file)
	if err != nil {
		return nil, scierrors.Wrapf(err, "loading %s", path)
	}
	return a, nil
}

func (a *Artifact) toStruct() (*structpb.Struct, error) {
	names := make([]string, 0, len(a.Params))
	for name := range a.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make(map[string]interface{}, len(names))
	for _, name := range names {
		t := a.Params[name]
		data := make([]interface{}, len(t.Data))
		for i, v := range t.Data {
			data[i] = v
		}
		params[name] = map[string]interface{}{
			"rows": t.Rows,
			"cols": t.Cols,
			"data": data,
		}
	}
	ts := timestamppb.New(a.CreatedAt)
	msg, err := structpb.NewStruct(map[string]interface{}{
		"version":   a.Version,
		"estimator": a.Estimator,
		"epoch":     a.Epoch,
		"metric":    a.Metric,
		"created_at": map[string]interface{}{
			"seconds": ts.GetSeconds(),
			"nanos":   ts.GetNanos(),
		},
		"params": params,
	})
	if err != nil {
		return nil, scierrors.Wrap(err, "failed to build artifact message")
	}
	return msg, nil
}

func (a *Artifact) fromStruct(msg *structpb.Struct) error {
	f := msg.GetFields()
	a.Version = f["version"].GetStringValue()
	a.Estimator = f["estimator"].GetStringValue()
	a.Epoch = int(f["epoch"].GetNumberValue())
	a.Metric = f["metric"].GetNumberValue()

	created := f["created_at"].GetStructValue().GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(created["seconds"].GetNumberValue()),
		Nanos:   int32(created["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return scierrors.Wrap(err, "invalid artifact timestamp")
	}
	a.CreatedAt = ts.AsTime()

	params := f["params"].GetStructValue().GetFields()
	a.Params = make(map[string]Tensor, len(params))
	for name, v := range params {
		pf := v.GetStructValue().GetFields()
		values := pf["data"].GetListValue().GetValues()
		t := Tensor{
			Rows: int(pf["rows"].GetNumberValue()),
			Cols: int(pf["cols"].GetNumberValue()),
			Data: make([]float64, len(values)),
		}
		for i, x := range values {
			t.Data[i] = x.GetNumberValue()
		}
		a.Params[name] = t
	}
	return nil
}
