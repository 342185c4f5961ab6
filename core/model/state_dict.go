package model

import (
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	scierrors "github.com/YuminosukeSato/gopots/pkg/errors"
)

// StateDict はパラメータ値のスナップショット（名前 → 値のディープコピー）
// 学習中のパラメータとメモリを共有しない
type StateDict map[string]*mat.Dense

// Capture はパラメータ値のディープコピーを取る
func Capture(params []*Parameter) StateDict {
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = mat.DenseCopyOf(p.Value)
	}
	return sd
}

// LoadInto はスナップショットの値をパラメータへ上書きコピーする
// 行列のポインタは保たれるので、複製やオプティマイザの参照は有効なまま
func (sd StateDict) LoadInto(params []*Parameter) error {
	for _, p := range params {
		v, ok := sd[p.Name]
		if !ok {
			return scierrors.NewModelError("StateDict.LoadInto", "missing parameter "+p.Name, nil)
		}
		pr, pc := p.Value.Dims()
		vr, vc := v.Dims()
		if pr != vr {
			return scierrors.NewDimensionError("StateDict.LoadInto "+p.Name, pr, vr, 0)
		}
		if pc != vc {
			return scierrors.NewDimensionError("StateDict.LoadInto "+p.Name, pc, vc, 1)
		}
		p.Value.Copy(v)
	}
	return nil
}

// Clone はスナップショットのディープコピーを作成
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[k] = mat.DenseCopyOf(v)
	}
	return out
}

// Names はパラメータ名をソートして返す
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for k := range sd {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal は全てのパラメータが厳密に等しいかを判定する
func (sd StateDict) Equal(other StateDict) bool {
	if len(sd) != len(other) {
		return false
	}
	for k, v := range sd {
		o, ok := other[k]
		if !ok || !mat.Equal(v, o) {
			return false
		}
	}
	return true
}

// Without は名前に excludes のいずれかを含むパラメータを除いたコピーを返す
func (sd StateDict) Without(excludes ...string) StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		if containsAny(k, excludes) {
			continue
		}
		out[k] = v
	}
	return out
}

func containsAny(name string, subs []string) bool {
	for _, s := range subs {
		if s != "" && strings.Contains(name, s) {
			return true
		}
	}
	return false
}
