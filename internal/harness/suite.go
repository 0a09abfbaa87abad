package harness

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "SwapSentinel/internal/errors"
)

// CodeSuiteInvalid 标记评测套件不可用：读不到、不是用例数组或用例残缺。
const CodeSuiteInvalid xerrors.Code = "SUITE_INVALID"

func init() {
	xerrors.Register(CodeSuiteInvalid, xerrors.Attributes{
		Message:   "evaluation suite invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// DefaultSuiteName 是内置冒烟套件的名字。
const DefaultSuiteName = "smoke"

//go:embed suites/smoke.json
var smokeSuiteJSON []byte

// DefaultSmokeSuite 返回随二进制内置的冒烟套件。
func DefaultSmokeSuite() ([]Case, error) {
	return DecodeSuite(smokeSuiteJSON)
}

// LoadSuite 从磁盘读取一个 JSON 套件文件。
func LoadSuite(path string) ([]Case, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeSuiteInvalid, err, fmt.Sprintf("读取套件 %s 失败", path))
	}
	return DecodeSuite(content)
}

// DecodeSuite 解析套件字节。顶层必须是用例数组，其他任何形状都是硬配置
// 错误；每条用例至少要有 case_id。
func DecodeSuite(content []byte) ([]Case, error) {
	var cases []Case
	if err := json.Unmarshal(content, &cases); err != nil {
		return nil, xerrors.Wrap(CodeSuiteInvalid, err, "套件必须是用例数组")
	}
	if cases == nil {
		return nil, xerrors.New(CodeSuiteInvalid, "套件必须是用例数组")
	}
	for i, c := range cases {
		if strings.TrimSpace(c.CaseID) == "" {
			return nil, xerrors.New(CodeSuiteInvalid, fmt.Sprintf("第 %d 条用例缺少 case_id", i+1))
		}
	}
	return cases, nil
}

// SuiteName 从套件路径导出套件名：文件名去掉扩展名。
func SuiteName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
