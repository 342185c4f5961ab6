// Package errors はプロジェクト全体のエラーハンドリングと警告システムを提供します。
// 学習ループの失敗分類（設定エラー、発散、中断、エポック失敗、チェックポイントI/O）を
// 型付きエラーとして表現し、呼び出し側が errors.As で判別できるようにします。
package errors

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		// デフォルトのハンドラは標準エラー出力にログを出す
		log.Printf("gopots-Warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler はライブラリ全体の警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
// nil を渡すと従来のハンドラに戻ります。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// UndefinedMetricWarning は評価指標が計算できない場合に発生する警告です。
// 例えば、マスクされた要素が一つもない場合など。
type UndefinedMetricWarning struct {
	Metric    string
	Condition string
	Result    float64 // この条件で返される値
}

func (w *UndefinedMetricWarning) Error() string {
	return fmt.Sprintf("'%s' is ill-defined and being set to %f due to %s.", w.Metric, w.Result, w.Condition)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *UndefinedMetricWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("metric", w.Metric).
		Str("condition", w.Condition).
		Float64("result", w.Result).
		Str("type", "UndefinedMetricWarning")
}

// NewUndefinedMetricWarning は新しいUndefinedMetricWarningを作成します。
func NewUndefinedMetricWarning(metric, condition string, result float64) *UndefinedMetricWarning {
	return &UndefinedMetricWarning{Metric: metric, Condition: condition, Result: result}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// NotFittedError はモデルが未学習の状態で `Predict` や `Save` を呼び出した場合のエラーです。
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("gopots: %s: this model is not trained yet. Call Fit() before using %s()", e.ModelName, e.Method)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

// NewNotFittedError は新しいNotFittedErrorを作成し、スタックトレースを付与します。
func NewNotFittedError(modelName, method string) error {
	err := &NotFittedError{ModelName: modelName, Method: method}
	return errors.WithStack(err)
}

// DimensionError は入力データやパラメータの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("gopots: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// ValidationError は入力パラメータの検証に失敗した場合のエラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gopots: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError は新しいValidationErrorを作成し、スタックトレースを付与します。
func NewValidationError(param, reason string, value interface{}) error {
	err := &ValidationError{ParamName: param, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// ValueError は引数の値が不適切または不正な場合に発生するエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("gopots: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	err := &ValueError{Op: op, Message: message}
	return errors.WithStack(err)
}

// ModelError はモデルに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gopots: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("gopots: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	modelErr := &ModelError{Op: op, Kind: kind, Err: err}
	return errors.WithStack(modelErr)
}

// ===========================================================================
//
//	学習ライフサイクルのエラー型
//
// ===========================================================================

// ConfigError は構築時に不正な列挙値や設定値が与えられた場合のエラーです。
// エポックが一つも実行される前に返される致命的エラーです。
type ConfigError struct {
	Param   string
	Value   interface{}
	Allowed []string
}

func (e *ConfigError) Error() string {
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("gopots: invalid %s %v, must be one of [%s]", e.Param, e.Value, strings.Join(e.Allowed, ", "))
	}
	return fmt.Sprintf("gopots: invalid %s %v", e.Param, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ConfigError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param", e.Param).
		Interface("value", e.Value).
		Strs("allowed", e.Allowed).
		Str("type", "ConfigError")
}

// NewConfigError は新しいConfigErrorを作成し、スタックトレースを付与します。
func NewConfigError(param string, value interface{}, allowed ...string) error {
	err := &ConfigError{Param: param, Value: value, Allowed: allowed}
	return errors.WithStack(err)
}

// DivergenceError は学習終了時に最良スナップショットが一つも記録されていない場合のエラーです。
// 全エポックがNaNだった場合や、スナップショット取得前に中断・失敗した場合に発生します。
type DivergenceError struct {
	Estimator string
	Reason    string
	Cause     error
}

func (e *DivergenceError) Error() string {
	msg := fmt.Sprintf("gopots: %s: model was not trained: %s", e.Estimator, e.Reason)
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *DivergenceError) Unwrap() error {
	return e.Cause
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DivergenceError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("estimator", e.Estimator).
		Str("reason", e.Reason).
		Str("type", "DivergenceError")
}

// NewDivergenceError は新しいDivergenceErrorを作成し、スタックトレースを付与します。
func NewDivergenceError(estimator, reason string, cause error) error {
	err := &DivergenceError{Estimator: estimator, Reason: reason, Cause: cause}
	return errors.WithStack(err)
}

// InterruptedError は外部からの中断シグナル（コンテキストのキャンセル）で学習が止まった場合のエラーです。
// 最良スナップショットがあれば回復可能です。
type InterruptedError struct {
	Epoch int
	Cause error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("gopots: training interrupted during epoch %d: %v", e.Epoch, e.Cause)
}

func (e *InterruptedError) Unwrap() error {
	return e.Cause
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *InterruptedError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("epoch", e.Epoch).
		Str("type", "InterruptedError")
}

// NewInterruptedError は新しいInterruptedErrorを作成し、スタックトレースを付与します。
func NewInterruptedError(epoch int, cause error) error {
	err := &InterruptedError{Epoch: epoch, Cause: cause}
	return errors.WithStack(err)
}

// EpochFailureError はエポック処理中の予期しないエラー（パニックを含む）です。
type EpochFailureError struct {
	Epoch int
	Phase string
	Err   error
}

func (e *EpochFailureError) Error() string {
	return fmt.Sprintf("gopots: epoch %d failed while %s: %v", e.Epoch, e.Phase, e.Err)
}

func (e *EpochFailureError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *EpochFailureError) MarshalZerologObject(event *zerolog.Event) {
	event.Int("epoch", e.Epoch).
		Str("phase", e.Phase).
		Str("type", "EpochFailureError")
}

// NewEpochFailureError は新しいEpochFailureErrorを作成し、スタックトレースを付与します。
func NewEpochFailureError(epoch int, phase string, err error) error {
	failure := &EpochFailureError{Epoch: epoch, Phase: phase, Err: err}
	return errors.WithStack(failure)
}

// CheckpointIOError はチェックポイントの永続化に失敗した場合のエラーです。
// 学習は継続されます。
type CheckpointIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("gopots: checkpoint %s %q failed: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *CheckpointIOError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("path", e.Path).
		Str("op", e.Op).
		Str("type", "CheckpointIOError")
}

// NewCheckpointIOError は新しいCheckpointIOErrorを作成し、スタックトレースを付与します。
func NewCheckpointIOError(op, path string, err error) error {
	ioErr := &CheckpointIOError{Path: path, Op: op, Err: err}
	return errors.WithStack(ioErr)
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	数値安定性
//
// ===========================================================================

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
// NaN、Inf などを検出します。
type NumericalInstabilityError struct {
	Operation string                 // 発生した操作（例: "validation_metric", "training_loss"）
	Values    []float64              // 問題のある値
	Context   map[string]interface{} // デバッグ用の追加コンテキスト情報
	Iteration int                    // 発生したイテレーション（エポック）番号
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("gopots: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NumericalInstabilityError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Floats64("values", e.Values).
		Int("iteration", e.Iteration).
		Str("type", "NumericalInstabilityError")
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	err := &NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
		Context:   make(map[string]interface{}),
	}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrNoSnapshot は最良スナップショットが存在しない場合のエラーです。
	ErrNoSnapshot = New("no best snapshot recorded")

	// ErrNotReplicable はモデルがマルチデバイス複製に対応していない場合のエラーです。
	ErrNotReplicable = New("model does not support replication")
)
