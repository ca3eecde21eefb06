package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var packageNamePattern = regexp.MustCompile(`^(@[a-z0-9][a-z0-9._~-]*/)?[a-z0-9][a-z0-9._~-]*$`)

// ValidPackageName 检查 npm 包名格式，拒绝路径穿越
func ValidPackageName(name string) bool {
	return len(name) <= 214 && packageNamePattern.MatchString(name)
}

// require 按 预加载包 -> 宿主模块 的顺序解析，都没有时抛出未安装错误
func (r *run) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()

	if mod, ok := r.modules[name]; ok {
		return mod
	}
	if mod, ok := r.hostModule(strings.TrimPrefix(name, "node:")); ok {
		return mod
	}

	panic(r.vm.NewGoError(&PackageError{Name: name}))
}

// preload 加载路由声明的包，单个包失败只记录日志
func (r *run) preload(names []string) error {
	for _, name := range names {
		if _, done := r.modules[name]; done {
			continue
		}

		mod, err := r.loadPackage(name)
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return err
			}
			if !errors.Is(err, os.ErrNotExist) {
				r.log.Warn("failed to preload package", zap.String("package", name), zap.Error(err))
			}
			continue
		}
		r.modules[name] = mod
	}
	return nil
}

// loadPackage 从 <packages_dir>/<name>/ 加载包入口
func (r *run) loadPackage(name string) (goja.Value, error) {
	if !ValidPackageName(name) {
		return nil, fmt.Errorf("invalid package name %q", name)
	}
	if r.exec.packagesDir == "" {
		return nil, os.ErrNotExist
	}

	root := filepath.Join(r.exec.packagesDir, filepath.FromSlash(name))
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}

	entry, err := resolveFile(filepath.Join(root, packageMain(root)))
	if err != nil {
		return nil, fmt.Errorf("resolve entry of %s: %w", name, err)
	}
	return r.loadFile(entry, root)
}

// packageMain 读取 package.json 的 main 字段，缺省为 index.js
func packageMain(root string) string {
	raw, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return "index.js"
	}
	var manifest struct {
		Main string `json:"main"`
	}
	if json.Unmarshal(raw, &manifest) != nil || manifest.Main == "" {
		return "index.js"
	}
	return filepath.FromSlash(manifest.Main)
}

func resolveFile(p string) (string, error) {
	candidates := []string{p, p + ".js", p + ".json", filepath.Join(p, "index.js")}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", os.ErrNotExist
}

// loadFile 以 CommonJS 方式执行包内文件，同一次执行内按路径缓存 module
func (r *run) loadFile(path, root string) (goja.Value, error) {
	if mod, ok := r.loaded[path]; ok {
		return mod.Get("exports"), nil
	}

	if strings.HasSuffix(path, ".json") {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		v, err := r.parse(goja.Undefined(), r.vm.ToValue(string(raw)))
		if err != nil {
			return nil, err
		}
		mod := r.vm.NewObject()
		_ = mod.Set("exports", v)
		r.loaded[path] = mod
		return v, nil
	}

	program, err := r.exec.compileModule(path)
	if err != nil {
		return nil, err
	}
	wrapper, err := r.vm.RunProgram(program)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", path)
	}

	exports := r.vm.NewObject()
	mod := r.vm.NewObject()
	_ = mod.Set("exports", exports)
	r.loaded[path] = mod

	dir := filepath.Dir(path)
	localRequire := func(call goja.FunctionCall) goja.Value {
		modPath := call.Argument(0).String()
		if !strings.HasPrefix(modPath, "./") && !strings.HasPrefix(modPath, "../") {
			return r.require(call)
		}

		target, err := resolveFile(filepath.Join(dir, filepath.FromSlash(modPath)))
		if err != nil || !within(root, target) {
			r.throw(fmt.Errorf("Cannot find module '%s'", modPath))
		}
		v, err := r.loadFile(target, root)
		if err != nil {
			r.throw(err)
		}
		return v
	}

	rel := r.relPath(path)
	if _, err := fn(exports, exports, r.vm.ToValue(localRequire), mod, r.vm.ToValue(rel), r.vm.ToValue(filepath.Dir(rel))); err != nil {
		delete(r.loaded, path)
		return nil, err
	}
	return mod.Get("exports"), nil
}

// relPath 对脚本隐藏宿主上的绝对路径
func (r *run) relPath(path string) string {
	rel, err := filepath.Rel(r.exec.packagesDir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return "/packages/" + filepath.ToSlash(rel)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// compileModule 编译包文件，按路径和修改时间缓存
func (e *Executor) compileModule(path string) (*goja.Program, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("module:%s:%d", path, info.ModTime().UnixNano())

	if e.programs != nil {
		if cached, ok := e.programs.Get(key); ok {
			return cached.(*goja.Program), nil
		}
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {\n" + string(src) + "\n})"
	program, err := goja.Compile(filepath.Base(path), wrapped, false)
	if err != nil {
		return nil, err
	}

	if e.programs != nil {
		e.programs.Set(key, program, 0)
	}
	return program, nil
}
