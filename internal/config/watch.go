package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变更；viper 重新读取文件后再次解码与校验，
// 成功时回调 onChange，失败时回调 onError（旧配置继续生效）。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}
